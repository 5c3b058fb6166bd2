package model

type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}
