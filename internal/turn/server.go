// Package turn runs an optional embedded TURN/STUN relay so sessions work for
// participants behind symmetric NATs without a separate coturn deployment.
package turn

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/turn/v2"
	"go.uber.org/zap"
)

// Config configures the embedded relay.
type Config struct {
	// Enabled gates the whole server; when false Start returns nil.
	Enabled bool
	// PublicIP is the address advertised in relay candidates.
	PublicIP string
	Port     int
	Realm    string
	// Username and Password are static long-term credentials shared with
	// session clients through the ICE server config.
	Username string
	Password string
}

// Server is the embedded TURN/STUN relay.
type Server struct {
	srv *turn.Server
	log *zap.Logger
}

// Start launches the relay on UDP. Returns (nil, nil) when disabled.
func Start(cfg Config, log *zap.Logger) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.PublicIP == "" {
		return nil, fmt.Errorf("turn: public IP required")
	}
	if cfg.Port == 0 {
		cfg.Port = 3478
	}
	if cfg.Realm == "" {
		cfg.Realm = "live-backend"
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("turn: listen: %w", err)
	}

	key := turn.GenerateAuthKey(cfg.Username, cfg.Realm, cfg.Password)
	srv, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username == cfg.Username {
				return key, true
			}
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP(cfg.PublicIP),
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("turn: start: %w", err)
	}

	log.Info("embedded TURN server started",
		zap.Int("port", cfg.Port),
		zap.String("public_ip", cfg.PublicIP),
		zap.String("realm", cfg.Realm))
	return &Server{srv: srv, log: log}, nil
}

// URI returns the turn: URI clients put in their ICE server list.
func URI(cfg Config) string {
	return fmt.Sprintf("turn:%s:%d", cfg.PublicIP, cfg.Port)
}

// Close shuts the relay down.
func (s *Server) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Close()
}
