package oauth

import "github.com/emersion/go-sasl"

// XOAuth2 is the SASL mechanism name.
const XOAuth2 = "XOAUTH2"

// XOAuth2String builds the raw XOAUTH2 initial response.
func XOAuth2String(user, accessToken string) string {
	return "user=" + user + "\x01auth=Bearer " + accessToken + "\x01\x01"
}

type xoauth2Client struct {
	user  string
	token string
}

// NewXOAuth2Client returns a sasl.Client for the XOAUTH2 mechanism.
func NewXOAuth2Client(user, accessToken string) sasl.Client {
	return &xoauth2Client{user: user, token: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return XOAuth2, []byte(XOAuth2String(c.user, c.token)), nil
}

// Next answers a server error challenge with an empty response so the
// server can finish with a tagged NO.
func (c *xoauth2Client) Next([]byte) ([]byte, error) {
	return []byte{}, nil
}
