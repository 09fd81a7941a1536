package panel

import "go.uber.org/zap/zapcore"

// Credentials are the panel login. The password never appears in logs or
// formatted output.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) String() string {
	return c.Username + ":[redacted]"
}

func (c Credentials) GoString() string {
	return "panel.Credentials{Username:" + c.Username + ", Password:[redacted]}"
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", c.Username)
	enc.AddBool("password_set", c.Password != "")
	return nil
}
