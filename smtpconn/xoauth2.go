package smtpconn

import "github.com/emersion/go-sasl"

// xoauth2Mech is the SASL mechanism name used by Gmail and Outlook.com for
// bearer-token authentication.
const xoauth2Mech = "XOAUTH2"

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a sasl.Client implementing the XOAUTH2
// mechanism with the given username and OAuth2 access token.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return xoauth2Mech, resp, nil
}

// Next handles the failure challenge: the server sends a JSON status blob
// and expects an empty client response before rejecting the exchange.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
