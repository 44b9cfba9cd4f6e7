// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package socket

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// fdFile wraps a raw socket fd as an *os.File so it can be handed to
// net.FilePacketConn; the returned File's Close only needs to happen
// once the PacketConn has dup'd the fd.
func fdFile(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// linuxPool is the production Pool: real IPPROTO_VRRP/IPPROTO_AH raw
// sockets, one receive/send pair per distinct Key, each pair's receive
// loop running in its own goroutine feeding the registered Receiver.
type linuxPool struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewPool returns the production raw-socket pool.
func NewPool() Pool {
	return &linuxPool{entries: make(map[Key]*entry)}
}

type entry struct {
	key  Key
	recv Receiver
	pc4  *ipv4.RawConn
	pc6  *ipv6.PacketConn
	stop chan struct{}
}

func protocolFor(key Key) int {
	if key.UseAH {
		return 51 // IPProtocolAH; kept as a literal to avoid an import cycle on wire
	}
	return 112 // IPProtocolVRRP
}

func (p *linuxPool) Open(key Key, recv Receiver) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		return &linuxSender{entry: e}, nil
	}

	e, err := openEntry(key, recv)
	if err != nil {
		return nil, err
	}
	p.entries[key] = e
	return &linuxSender{entry: e}, nil
}

func openEntry(key Key, recv Receiver) (*entry, error) {
	proto := protocolFor(key)
	e := &entry{key: key, recv: recv, stop: make(chan struct{})}

	switch key.Family {
	case FamilyV4:
		conn, err := openRawV4(proto, key)
		if err != nil {
			return nil, err
		}
		e.pc4 = conn
		go e.recvLoopV4()
	case FamilyV6:
		conn, err := openRawV6(proto, key)
		if err != nil {
			return nil, err
		}
		e.pc6 = conn
		go e.recvLoopV6()
	default:
		return nil, fmt.Errorf("socket: unknown family %d", key.Family)
	}
	return e, nil
}

// openRawV4 opens an IP_HDRINCL raw socket, joins the multicast group
// (or binds to the unicast source) and device.
func openRawV4(proto int, key Key) (*ipv4.RawConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, proto)
	if err != nil {
		return nil, fmt.Errorf("socket: open v4 raw socket: %w", err)
	}
	if key.Interface != "" {
		if err := unix.BindToDevice(fd, key.Interface); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("socket: bind to device %s: %w", key.Interface, err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: IP_HDRINCL: %w", err)
	}

	file := fdFile(fd, "vrrp-v4")
	pc, err := net.FilePacketConn(file)
	file.Close()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: file packet conn: %w", err)
	}

	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		return nil, fmt.Errorf("socket: new raw conn: %w", err)
	}

	if key.McastGroup != "" {
		group := net.ParseIP(key.McastGroup)
		iface, ierr := net.InterfaceByName(key.Interface)
		if ierr != nil {
			return nil, fmt.Errorf("socket: interface %s: %w", key.Interface, ierr)
		}
		if err := raw.JoinGroup(iface, &net.IPAddr{IP: group}); err != nil {
			return nil, fmt.Errorf("socket: join multicast group %s: %w", key.McastGroup, err)
		}
	}

	return raw, nil
}

func openRawV6(proto int, key Key) (*ipv6.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, proto)
	if err != nil {
		return nil, fmt.Errorf("socket: open v6 raw socket: %w", err)
	}
	if key.Interface != "" {
		if err := unix.BindToDevice(fd, key.Interface); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("socket: bind to device %s: %w", key.Interface, err)
		}
	}

	file := fdFile(fd, "vrrp-v6")
	pc, err := net.FilePacketConn(file)
	file.Close()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: file packet conn: %w", err)
	}

	pc6 := ipv6.NewPacketConn(pc)
	if err := pc6.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
		return nil, fmt.Errorf("socket: set control message: %w", err)
	}
	if err := pc6.SetHopLimit(MulticastHopLimit); err != nil {
		return nil, fmt.Errorf("socket: set hop limit: %w", err)
	}
	if err := pc6.SetMulticastHopLimit(MulticastHopLimit); err != nil {
		return nil, fmt.Errorf("socket: set multicast hop limit: %w", err)
	}

	if key.McastGroup != "" {
		group := net.ParseIP(key.McastGroup)
		iface, ierr := net.InterfaceByName(key.Interface)
		if ierr != nil {
			return nil, fmt.Errorf("socket: interface %s: %w", key.Interface, ierr)
		}
		if err := pc6.JoinGroup(iface, &net.IPAddr{IP: group}); err != nil {
			return nil, fmt.Errorf("socket: join multicast group %s: %w", key.McastGroup, err)
		}
	}

	return pc6, nil
}

// MulticastHopLimit is the mandated IPv6 hop limit for multicast VRRP
// traffic (mirrors wire.MulticastTTL without importing wire).
const MulticastHopLimit = 255

func (e *entry) recvLoopV4() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		header, payload, _, err := e.pc4.ReadFrom(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		dg := Datagram{
			Payload:   append([]byte(nil), payload...),
			Src:       header.Src,
			Dst:       header.Dst,
			TTL:       header.TTL,
			Interface: e.key.Interface,
		}
		e.dispatch(dg)
	}
}

func (e *entry) recvLoopV6() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		n, cm, src, err := e.pc6.ReadFrom(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		dg := Datagram{
			Payload:   append([]byte(nil), buf[:n]...),
			Interface: e.key.Interface,
		}
		if udpAddr, ok := src.(*net.IPAddr); ok {
			dg.Src = udpAddr.IP
		}
		if cm != nil {
			dg.TTL = cm.HopLimit
			dg.Dst = cm.Dst
		}
		e.dispatch(dg)
	}
}

// dispatch extracts the VRID from the VRRP header (byte offset 1, right
// after IPv4's variable-length header for v4, or at offset 1 of the raw
// payload for v6) and hands off to the registered Receiver. The exact
// header parsing is deliberately minimal here — full validation
// happens in the wire/instance layers, not the socket pool.
func (e *entry) dispatch(dg Datagram) {
	vrrp := dg.Payload
	if e.key.Family == FamilyV4 {
		if len(vrrp) < 1 {
			return
		}
		ihl := int(vrrp[0]&0x0F) * 4
		if len(vrrp) < ihl {
			return
		}
		// When UseAH, the AH header is left in place ahead of the VRRP
		// payload; the registered Receiver (the instance itself) verifies
		// the ICV and replay window and strips it, since only the
		// instance holds the authentication key.
		vrrp = vrrp[ihl:]
	}
	// The VRID lives at offset 1 of the VRRP header; when AH is in use
	// that header starts AHHeaderLen bytes in, ahead of which sits the
	// AH header (itself carrying no VRID).
	vridOffset := 1
	if e.key.UseAH {
		vridOffset = AHHeaderLen + 1
	}
	if len(vrrp) <= vridOffset {
		return
	}
	vrid := vrrp[vridOffset]
	e.recv.Deliver(vrid, Datagram{Payload: vrrp, Src: dg.Src, Dst: dg.Dst, TTL: dg.TTL, Interface: dg.Interface})
}

// AHHeaderLen mirrors wire.AHHeaderLen to avoid an import cycle.
const AHHeaderLen = 24

func isClosed(err error) bool {
	return err == net.ErrClosed || err == syscall.EBADF
}

type linuxSender struct{ *entry }

func (s *linuxSender) Send(payload []byte, dst net.IP) error {
	if s.entry.key.Family == FamilyV4 {
		header, data, err := splitV4(payload)
		if err != nil {
			return err
		}
		return s.entry.pc4.WriteTo(header, data, nil)
	}
	_, err := s.entry.pc6.WriteTo(payload, nil, &net.IPAddr{IP: dst})
	return err
}

func (s *linuxSender) Close() error {
	if s.entry.pc4 != nil {
		return s.entry.pc4.Close()
	}
	if s.entry.pc6 != nil {
		return s.entry.pc6.Close()
	}
	return nil
}

// splitV4 pulls the leading IPv4 header off a HDRINCL-ready buffer built
// by the instance's build_pkt step, since ipv4.RawConn's
// WriteTo wants header and payload separately.
func splitV4(buf []byte) (*ipv4.Header, []byte, error) {
	if len(buf) < 20 {
		return nil, nil, fmt.Errorf("socket: buffer too short for IPv4 header")
	}
	ihl := int(buf[0]&0x0F) * 4
	h, err := ipv4.ParseHeader(buf[:ihl])
	if err != nil {
		return nil, nil, err
	}
	return h, buf[ihl:], nil
}

func (p *linuxPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for k, e := range p.entries {
		close(e.stop)
		if e.pc4 != nil {
			if err := e.pc4.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if e.pc6 != nil {
			if err := e.pc6.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.entries, k)
	}
	return firstErr
}
