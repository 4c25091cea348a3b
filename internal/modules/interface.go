package modules

import (
	"context"
	"devicefleet/internal/adb"
)

// Device is the control-channel surface the action modules drive. adb.Client satisfies it.
type Device interface {
	Shell(ctx context.Context, serial, cmd string) (string, error)
	Tap(ctx context.Context, serial string, x, y int) error
	KeyEvent(ctx context.Context, serial string, code int) error
	Resolution(ctx context.Context, serial string) adb.Resolution
	Scale(res adb.Resolution, x, y int) (int, int)
}

// Android key codes used by the scripts.
const (
	KeyBack      = 4
	KeyEnter     = 66
	KeySpace     = 62
	KeyBackspace = 67
)

// Unsupported lists actions the fleet accepts but no module implements yet.
var Unsupported = []string{
	"send_media",
	"send_call",
	"send_pix",
	"save_contact",
	"send_image",
	"check_online",
}
