//go:build !linux

package camera

import "fmt"

// NewV4L2Driver is a stub so the daemon builds on development machines.
// Video4Linux capture needs a linux kernel; use the synthetic driver
// elsewhere.
func NewV4L2Driver() (Driver, error) {
	return nil, fmt.Errorf("v4l2 capture is only available on linux")
}
