package smtppool

import "github.com/infodancer/smtppool/smtpconn"

// Version is the library version.
const Version = "0.1.0"

// Name identifies this transport implementation.
const Name = "SMTP (pool)"

// VersionString combines the pool version with the version of the
// underlying connection implementation.
func VersionString() string {
	return Version + "[client:" + smtpconn.Version + "]"
}
