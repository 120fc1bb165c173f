package link

import "errors"

// ErrSendFailed is returned when a radio send to the gateway fails outright
// (not a missing reply — an actual Driver.Send error), matching link.py's
// send() returning False on OSError.
var ErrSendFailed = errors.New("link: radio send to gateway failed")
