package binlog

import (
	"crypto/sha256"
	"net"
)

// Authenticate completes the connection-phase handshake against the
// credentials advertised by the server's chosen auth plugin, the
// realization of spec §4.3. It requires the Client be in StateGreeted and
// leaves it in StateAuthOk on success.
//
// caching_sha2_password and sha256_password both have a "full
// authentication" mode that requires either a TLS channel or an RSA
// public-key exchange to send the password safely; this package implements
// neither (no TLS support, no plaintext RSA key fetch), so a server that
// demands full authentication over a plain TCP socket makes Authenticate
// fail with KindUnsupportedAuth rather than silently falling back to an
// unsafe transport. The fast-auth-success path (the common case once a
// caching_sha2_password user's hash is cached server-side) is unaffected,
// since it never needs the RSA exchange.
func (c *Client) Authenticate(username, password string) error {
	if err := c.requireState(StateGreeted); err != nil {
		return err
	}
	c.state = StateAuthenticating

	var plugin string
	switch c.hs.authPluginName {
	case "mysql_native_password", "mysql_clear_password", "sha256_password", "caching_sha2_password":
		plugin = c.hs.authPluginName
	case "":
		plugin = "mysql_native_password"
	default:
		return c.fail(newErrf(KindUnsupportedAuth, nil, "unsupported auth plugin %q", c.hs.authPluginName))
	}
	authPluginData := c.hs.authPluginData
	authResponse, err := c.encryptPassword(plugin, []byte(password), authPluginData)
	if err != nil {
		return c.fail(err)
	}

	err = c.write(handshakeResponse41{
		capabilityFlags: CLIENT_LONG_FLAG | CLIENT_SECURE_CONNECTION,
		maxPacketSize:   maxPacketSize,
		characterSet:    c.hs.characterSet,
		username:        username,
		authResponse:    authResponse,
		database:        "",
		authPluginName:  plugin,
		connectAttrs:    nil,
	})
	if err != nil {
		return c.fail(err)
	}

	var numAuthSwitches int
AuthSuccess:
	for {
		r := newReader(c.conn, &c.seq)
		marker, err := r.peek()
		if err != nil {
			return c.fail(newErr(KindIOOther, "reading auth response", err))
		}
		switch marker {
		case okMarker:
			if err := r.drain(); err != nil {
				return c.fail(err)
			}
			break AuthSuccess
		case errMarker:
			ep := errPacket{}
			if err := ep.decode(r, c.hs.capabilityFlags); err != nil {
				return c.fail(err)
			}
			return c.fail(newErr(KindAuthFailed, ep.errorMessage, nil))
		case 0x01:
			amd := authMoreData{}
			if err := amd.decode(r); err != nil {
				return c.fail(err)
			}
			switch plugin {
			case "caching_sha2_password":
				switch len(amd.pluginData) {
				case 0:
					break AuthSuccess
				case 1:
					switch amd.pluginData[0] {
					case 3: // fast-auth-success: server already has the hash cached
						if err := c.readOkErr(); err != nil {
							return c.fail(err)
						}
						break AuthSuccess
					case 4: // full authentication requested
						if err := c.requireSecureTransport(); err != nil {
							return c.fail(err)
						}
						authResponse = append([]byte(password), 0)
						if err := c.write(authSwitchResponse{authResponse}); err != nil {
							return c.fail(err)
						}
						if err := c.readOkErr(); err != nil {
							return c.fail(err)
						}
						break AuthSuccess
					default:
						return c.fail(newErr(KindProtocolViolation, "malformed authMoreData", nil))
					}
				default:
					return c.fail(newErr(KindProtocolViolation, "malformed authMoreData", nil))
				}
			case "sha256_password":
				// sha256_password has no fast-path: every connection is a
				// full authentication, which this package refuses outright
				// over a plaintext socket rather than perform the RSA
				// exchange (see Authenticate's doc comment).
				return c.fail(newErr(KindUnsupportedAuth, "sha256_password requires TLS or RSA key exchange, neither supported", nil))
			default:
				break AuthSuccess
			}
		case 0xFE:
			if numAuthSwitches != 0 {
				return c.fail(newErr(KindProtocolViolation, "authSwitch requested more than once", nil))
			}
			numAuthSwitches++
			asr := authSwitchRequest{}
			if err := asr.decode(r); err != nil {
				return c.fail(err)
			}
			plugin = asr.pluginName
			authPluginData = asr.pluginData
			authResponse, err = c.encryptPassword(plugin, []byte(password), asr.pluginData)
			if err != nil {
				return c.fail(err)
			}
			if err := c.write(authSwitchResponse{authResponse}); err != nil {
				return c.fail(err)
			}
		default:
			return c.fail(newErr(KindProtocolViolation, "unexpected byte in auth response", nil))
		}
	}

	// Azure's MySQL service has been seen reporting a stale server_version
	// in the initial handshake (e.g. "5.6.26.0" for an actual 5.7 server),
	// so re-read it now that we can run a query.
	rows, err := c.queryRows(`select version()`)
	if err != nil {
		return c.fail(err)
	}
	if len(rows) > 0 {
		if v, ok := rows[0][0].(string); ok {
			c.hs.serverVersion = v
		}
	}
	c.state = StateAuthOk
	return nil
}

// requireSecureTransport guards the one place this package would otherwise
// need an RSA public-key exchange: a caching_sha2_password full
// authentication. Plaintext TCP is never considered secure enough to send
// the cleartext password; only a unix-domain socket (*net.UnixConn) passes,
// and every other connection type, a TLS-wrapped one included, is refused.
func (c *Client) requireSecureTransport() error {
	switch c.conn.(type) {
	case *net.UnixConn:
		return nil
	default:
		return newErr(KindUnsupportedAuth, "caching_sha2_password full authentication requires TLS or a unix socket, neither available", nil)
	}
}

func (c *Client) encryptPassword(plugin string, password, scramble []byte) ([]byte, error) {
	switch plugin {
	case "sha256_password":
		if len(password) == 0 {
			return []byte{0}, nil
		}
		// Request the server's RSA public key up front, the same way
		// mysql_native_password requests its scramble: this package
		// refuses to actually use it (Authenticate's sha256_password
		// branch fails on the server's reply), but
		// returning the "request" byte here lets the AuthSuccess loop
		// observe the server's full-auth request and fail cleanly instead
		// of hanging.
		return []byte{1}, nil
	case "caching_sha2_password":
		if len(password) == 0 {
			return nil, nil
		}
		// SHA256(password) XOR SHA256(SHA256(SHA256(password)), scramble)
		hash := sha256.New()
		sum := func(b []byte) []byte {
			hash.Reset()
			hash.Write(b)
			return hash.Sum(nil)
		}
		x := sum(password)
		y := sum(append(sum(x), scramble[:20]...))
		for i, b := range y {
			x[i] ^= b
		}
		return x, nil
	case "mysql_native_password":
		if len(password) == 0 {
			return nil, nil
		}
		return encryptedPasswd(string(password), scramble), nil
	case "mysql_clear_password":
		return append(password, 0), nil
	}
	return nil, newErrf(KindUnsupportedAuth, nil, "unsupported auth plugin %q", plugin)
}

// packets ----

// https://dev.mysql.com/doc/internals/en/connection-phase-packets.html#packet-Protocol::AuthMoreData
type authMoreData struct {
	pluginData []byte
}

func (e *authMoreData) decode(r *reader) error {
	status := r.int1()
	if r.err != nil {
		return r.err
	}
	if status != 0x01 {
		return newErrf(KindProtocolViolation, nil, "authMoreData.status is 0x%02x", status)
	}
	e.pluginData = r.bytesEOF()
	return r.err
}

// If both server and client support CLIENT_PLUGIN_AUTH, the server can
// send this to ask the client to switch to a different auth method.
//
// https://dev.mysql.com/doc/internals/en/connection-phase-packets.html#packet-Protocol::AuthSwitchRequest
type authSwitchRequest struct {
	pluginName string
	pluginData []byte
}

func (e *authSwitchRequest) decode(r *reader) error {
	status := r.int1()
	if r.err != nil {
		return r.err
	}
	if status != 0xFE {
		return newErrf(KindProtocolViolation, nil, "authSwitchRequest.status is 0x%02x", status)
	}
	e.pluginName = r.stringNull()
	e.pluginData = r.bytesEOF()
	return r.err
}

// authSwitchResponse carries the response data generated for the method
// requested in an authSwitchRequest.
//
// https://dev.mysql.com/doc/internals/en/connection-phase-packets.html#packet-Protocol::AuthSwitchResponse
type authSwitchResponse struct {
	authResponse []byte
}

func (e authSwitchResponse) encode(w *writer) error {
	w.Write(e.authResponse)
	return w.err
}
