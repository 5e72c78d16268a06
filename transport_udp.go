package lwm2mcore

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pion/dtls/v2"
)

// udpConn is the minimal surface both net.UDPConn and *dtls.Conn satisfy,
// letting UDPTransport wrap either behind one non-blocking Transport.
type udpConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// UDPTransport is the reference Transport: a cleartext UDP socket, or a
// DTLS session over one, built on net.DialUDP and pion/dtls directly,
// following the dtls.Dial usage in cmd/coap/main.go's dtls.Dial(turl.Host, dtlsConfig)
// and mobile/client.go's dtlsClients pool. Non-blocking Recv is achieved
// the same way net.Conn-based Go code conventionally fakes it: a
// SetReadDeadline(time.Now()) poll rather than a dedicated reader
// goroutine, keeping Core.Step single-threaded per §5.
type UDPTransport struct {
	conn       udpConn
	state      TransportState
	mtu        int
	queueModeRx bool
}

// NewUDPTransport returns a disconnected cleartext UDP transport; Connect
// opens the socket to addr.
func NewUDPTransport(mtu int) *UDPTransport {
	if mtu <= 0 {
		mtu = 1152 // OMA LwM2M's suggested minimum block size headroom over the CoAP default MTU
	}
	return &UDPTransport{state: TransportDisconnected, mtu: mtu}
}

func (t *UDPTransport) Connect(addr string) TransportResult {
	if t.state == TransportConnected {
		return TransportOK
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.state = TransportDisconnected
		return TransportError
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.state = TransportDisconnected
		return TransportError
	}
	t.conn = conn
	t.state = TransportConnected
	return TransportOK
}

// NewDTLSTransport dials addr under DTLS using the supplied config,
// grounded on the same dtls.Dial call the teacher's CLI uses, generalized
// from a one-shot CLI dial into a reusable, reconnectable Transport.
func NewDTLSTransport(addr string, cfg *dtls.Config, mtu int) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("lwm2mcore: resolving %q: %w", addr, err)
	}
	conn, err := dtls.Dial("udp", raddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("lwm2mcore: dtls dial %q: %w", addr, err)
	}
	if mtu <= 0 {
		mtu = 1152
	}
	return &UDPTransport{conn: conn, state: TransportConnected, mtu: mtu}, nil
}

// PSKConfig builds a pion/dtls Config for the PSK-based security mode OMA
// LwM2M bootstrap commonly uses, pairing the identity/key the bootstrap
// server provisioned with the cipher suite the teacher's own dtls usage
// pins (ECDHE-free, PSK-only, to keep embedded-class clients in scope).
func PSKConfig(identity string, key []byte) *dtls.Config {
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint: []byte(identity),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

// CertConfig builds a pion/dtls Config for certificate-based security.
func CertConfig(cert tls.Certificate, insecureSkipVerify bool) *dtls.Config {
	return &dtls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: insecureSkipVerify,
	}
}

func (t *UDPTransport) Send(buf []byte) TransportResult {
	if t.conn == nil {
		return TransportError
	}
	if _, err := t.conn.Write(buf); err != nil {
		if isTemporary(err) {
			return TransportAgain
		}
		t.state = TransportDisconnected
		return TransportError
	}
	return TransportOK
}

func (t *UDPTransport) Recv(buf []byte) (int, TransportResult) {
	if t.conn == nil {
		return 0, TransportError
	}
	if err := t.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, TransportError
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, TransportAgain
		}
		if isTemporary(err) {
			return 0, TransportAgain
		}
		t.state = TransportDisconnected
		return 0, TransportError
	}
	return n, TransportOK
}

func (t *UDPTransport) Close() TransportResult {
	if t.conn == nil {
		t.state = TransportClosed
		return TransportOK
	}
	err := t.conn.Close()
	t.state = TransportClosed
	if err != nil {
		return TransportError
	}
	return TransportOK
}

func (t *UDPTransport) GetInnerMTU() int        { return t.mtu }
func (t *UDPTransport) GetState() TransportState { return t.state }

func (t *UDPTransport) SetQueueModeRxOff(off bool) { t.queueModeRx = off }

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func isTemporary(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && !ne.Timeout() && isTemporaryNetErr(ne)
}

// isTemporaryNetErr isolates the (deprecated-but-still-the-only-signal)
// net.Error.Temporary check to one place, since the stdlib flags the whole
// method deprecated without a drop-in replacement for UDP's transient
// write-buffer-full case.
func isTemporaryNetErr(ne net.Error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := interface{}(ne).(temporary); ok {
		return t.Temporary()
	}
	return false
}
