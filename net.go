/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"encoding/hex"
	"errors"
	"net/netip"
	"strings"
)

type IP netip.Addr // IPv4 or IPv6 address; Zone() must be ""

// Tests if the IP is equal to the zero-initialized value. This is distinct from
// the zero IP address (eg. 0.0.0.0 or ::).
func (ip IP) IsZero() bool {
	return ip == IP{}
}

func (ip IP) String() string {

	if ip.IsZero() {
		return "(uninitialized)"
	}
	return netip.Addr(ip).String()
}

func ParseIP(s string) (IP, error) {

	ip, err := netip.ParseAddr(s)
	if err != nil {
		return IP{}, err
	}
	if ip.Zone() != "" {
		return IP{}, errors.New("IP address may not have zone")
	}
	return IP(ip), nil
}

func MustParseIP(s string) IP {

	ip, err := ParseIP(s)
	if err != nil {
		log.fatal("invalid IP address: %v", s)
	}
	return ip
}

// The slice must be 4 or 16 bytes
func IPFromSlice(bs []byte) IP {

	addr, ok := netip.AddrFromSlice(bs)
	if !ok {
		panic("invalid IP address")
	}
	return IP(addr)
}

func (ip IP) AsSlice() []byte {

	if ip.IsZero() {
		panic("uninitialized")
	}
	return netip.Addr(ip).AsSlice()
}

func (ip IP) Is4() bool {

	if ip.IsZero() {
		panic("uninitialized")
	}
	return netip.Addr(ip).Is4()
}

func (ip IP) Is6() bool {
	return !ip.Is4()
}

func (ip IP) Len() int {

	if ip.Is4() {
		return 4
	} else {
		return 16
	}
}

func (ip IP) Ver() int {

	if ip.Is4() {
		return 4
	} else {
		return 6
	}
}

func (ip IP) Addr() netip.Addr {
	return netip.Addr(ip)
}

type Mac [6]byte

func (mac Mac) String() string {

	var sb strings.Builder
	for ii := 0; ii < 6; ii++ {
		if ii > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString(mac[ii : ii+1]))
	}
	return sb.String()
}

func (mac Mac) IsZero() bool {
	return mac == Mac{}
}

func ParseMac(s string) (mac Mac, err error) {

	toks := strings.Split(s, ":")
	if len(toks) != 6 {
		return mac, errors.New("invalid MAC address")
	}
	for ii, tok := range toks {
		b, err := hex.DecodeString(tok)
		if err != nil || len(b) != 1 {
			return mac, errors.New("invalid MAC address")
		}
		mac[ii] = b[0]
	}
	return mac, nil
}

func MustParseMac(s string) Mac {

	mac, err := ParseMac(s)
	if err != nil {
		log.fatal("invalid MAC address: %v", s)
	}
	return mac
}

// The slice must be at least 6 bytes
func MacFromSlice(bs []byte) (mac Mac) {

	copy(mac[:], bs[:6])
	return
}
