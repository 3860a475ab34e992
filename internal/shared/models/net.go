package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a *Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

// ReadFromBytes parses a compact IPv4 peer entry (4 bytes address, 2 bytes port).
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Addr{}, ErrInvalidAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return Addr{}, ErrInvalidAddr
		}
		ip = ips[0]
	}
	return Addr{IP: ip, Port: uint16(p)}, nil
}
