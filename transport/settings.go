package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Default connection parameters.
const (
	DefaultPort      = 5672
	DefaultVHost     = "/"
	DefaultTimeout   = 30 * time.Second
	DefaultHeartbeat = 10 * time.Second
)

// Settings identifies a broker endpoint and the credentials used on it.
type Settings struct {
	Scheme         string
	Host           string
	Port           int
	VHost          string
	Username       string
	Password       string
	Timeout        time.Duration
	Heartbeat      time.Duration
	ConnectionName string
}

// WithDefaults fills zero fields with the protocol defaults.
func (s Settings) WithDefaults() Settings {
	if s.Scheme == "" {
		s.Scheme = "amqp"
	}
	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.VHost == "" {
		s.VHost = DefaultVHost
	}
	if s.Username == "" && s.Password == "" {
		s.Username, s.Password = "guest", "guest"
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Heartbeat == 0 {
		s.Heartbeat = DefaultHeartbeat
	}
	return s
}

// URI renders the settings as an AMQP URI, credentials included.
func (s Settings) URI() string {
	s = s.WithDefaults()
	u := url.URL{
		Scheme: s.Scheme,
		User:   url.UserPassword(s.Username, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.VHost,
	}
	if s.VHost == DefaultVHost {
		u.Path = "/"
	}
	return u.String()
}

// Address is host:port.
func (s Settings) Address() string {
	s = s.WithDefaults()
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// String renders the endpoint without credentials.
func (s Settings) String() string {
	s = s.WithDefaults()
	return fmt.Sprintf("%s://%s@%s/%s", s.Scheme, s.Username, s.Address(), url.PathEscape(s.VHost))
}
