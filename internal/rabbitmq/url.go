package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/transport"
)

// ParseURL parses an amqp:// or amqps:// URI into transport settings.
// Timeouts and the connection name are left for the caller to fill in.
func ParseURL(raw string) (transport.Settings, error) {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return transport.Settings{}, invalidURL(raw, err)
	}
	return transport.Settings{
		Scheme:   uri.Scheme,
		Host:     uri.Host,
		Port:     uri.Port,
		VHost:    uri.Vhost,
		Username: uri.Username,
		Password: uri.Password,
	}.WithDefaults(), nil
}
