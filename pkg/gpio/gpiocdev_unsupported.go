//go:build !linux

package gpio

import "errors"

func openCdev(cfg LineConfig) (Lines, error) {
	return nil, errors.New("gpio character device requires linux")
}
