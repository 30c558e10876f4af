package channel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrTLSRequired           = errors.New("channel: bridge tls required")
	ErrTLSCertFileRequired   = errors.New("channel: bridge tls cert file required")
	ErrTLSKeyFileRequired    = errors.New("channel: bridge tls key file required")
	ErrTLSCAFileRequired     = errors.New("channel: bridge tls ca file required")
	ErrTLSInsecureNotAllowed = errors.New("channel: bridge insecure skip verify not allowed with mutual tls")
)

// BridgeTLS secures a bridge link. With Mutual set both ends present
// certificates signed by CAFile.
type BridgeTLS struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

func (c BridgeTLS) validate(mode BridgeMode) error {
	if !c.Enabled {
		if c.Mutual {
			return ErrTLSRequired
		}
		return nil
	}
	cert := strings.TrimSpace(c.CertFile) != ""
	key := strings.TrimSpace(c.KeyFile) != ""
	ca := strings.TrimSpace(c.CAFile) != ""
	if mode == BridgeListen || c.Mutual {
		if !cert {
			return ErrTLSCertFileRequired
		}
		if !key {
			return ErrTLSKeyFileRequired
		}
	}
	if c.Mutual {
		if !ca {
			return ErrTLSCAFileRequired
		}
		if c.InsecureSkipVerify {
			return ErrTLSInsecureNotAllowed
		}
	}
	if mode == BridgeDial && !ca && !c.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	return nil
}

// config loads the certificate material for one side of the link. A nil
// config means plain TCP.
func (c BridgeTLS) config(mode BridgeMode) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("channel: bridge tls key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	var pool *x509.CertPool
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("channel: bridge tls ca: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("channel: bridge tls ca %s: no certificates", c.CAFile)
		}
	}
	if mode == BridgeListen {
		if c.Mutual {
			out.ClientAuth = tls.RequireAndVerifyClientCert
			out.ClientCAs = pool
		}
		return out, nil
	}
	out.RootCAs = pool
	out.ServerName = c.ServerName
	out.InsecureSkipVerify = c.InsecureSkipVerify
	return out, nil
}
