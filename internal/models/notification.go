package models

// ConnectionDetails are sent to the service owner once forwarding is live.
type ConnectionDetails struct {
	ServiceID   uint
	Domain      string
	OwnerEmail  string
	PrivateIP   string
	PublicIP    string
	PublicPort  int
	PrivatePort int
	Username    string
	Password    string
}
