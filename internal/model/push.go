package model

// PushSubscription — подписка Web Push из браузера.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Valid — все поля, нужные для отправки, заполнены.
func (s *PushSubscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}
