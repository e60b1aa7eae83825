//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package netutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// SockaddrSize is the fixed size of the serialized socket address that
// prefixes every buffered UDP datagram. Sized for IPv6 so one layout
// covers both families:
//
//	[0:2]   address family, host byte order
//	[2:4]   port, network byte order
//	[4:8]   IPv4 address (AF_INET only)
//	[8:24]  IPv6 address (AF_INET6 only)
//	[24:28] IPv6 scope id, host byte order (AF_INET6 only)
//
// On little-endian Linux the layout matches the raw kernel sockaddr for
// each family, so a slice filled by recvmmsg can be decoded here and one
// built here can be handed to sendmmsg. The BSD kernel layout differs (a
// length byte precedes a one-byte family), so the BSD code converts
// through unix.Sockaddr instead.
const SockaddrSize = unix.SizeofSockaddrInet6

// SockaddrToTCPOrUnixAddr converts an accept(2) peer address to the
// matching net.Addr. Returns nil for an address family it doesn't speak.
func SockaddrToTCPOrUnixAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: ip4ToIP(sa.Addr), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port, Zone: zoneToString(int(sa.ZoneId))}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	}
	return nil
}

// SockaddrSliceToUDPAddr decodes a serialized socket address back into a
// net.UDPAddr.
func SockaddrSliceToUDPAddr(sockaddr []byte) (net.Addr, error) {
	if len(sockaddr) != SockaddrSize {
		return nil, errors.New("invalid sockaddr")
	}
	port := int(binary.BigEndian.Uint16(sockaddr[2:4]))
	switch family := nativeEndian.Uint16(sockaddr[:2]); family {
	case unix.AF_INET:
		return &net.UDPAddr{IP: append(net.IP(nil), sockaddr[4:8]...), Port: port}, nil
	case unix.AF_INET6:
		return &net.UDPAddr{
			IP:   append(net.IP(nil), sockaddr[8:24]...),
			Port: port,
			Zone: zoneToString(int(nativeEndian.Uint32(sockaddr[24:28]))),
		}, nil
	default:
		return nil, fmt.Errorf("unknown net family %d", family)
	}
}

// UDPAddrToSockaddrSlice serializes addr into a fresh SockaddrSize slice.
func UDPAddrToSockaddrSlice(addr *net.UDPAddr) ([]byte, error) {
	sa := make([]byte, SockaddrSize)
	if ip4 := addr.IP.To4(); ip4 != nil {
		return sa, putSockaddrInet4(sa, ip4, addr.Port)
	}
	zoneID, err := zoneToID(addr.Zone)
	if err != nil {
		return nil, err
	}
	return sa, putSockaddrInet6(sa, addr.IP.To16(), addr.Port, zoneID)
}

// UnixSockaddrToSockaddrSlice serializes a recvfrom(2) peer address into
// sockaddr, which must be at least SockaddrSize long.
func UnixSockaddrToSockaddrSlice(unixSockaddr unix.Sockaddr, sockaddr []byte) error {
	switch us := unixSockaddr.(type) {
	case *unix.SockaddrInet4:
		return putSockaddrInet4(sockaddr, us.Addr[:], us.Port)
	case *unix.SockaddrInet6:
		return putSockaddrInet6(sockaddr, us.Addr[:], us.Port, us.ZoneId)
	default:
		return errors.New("addr type is not support")
	}
}

func putSockaddrInet4(sockaddr []byte, ip []byte, port int) error {
	if len(sockaddr) < SockaddrSize {
		return errors.New("sockaddr length not enough")
	}
	nativeEndian.PutUint16(sockaddr[:2], unix.AF_INET)
	binary.BigEndian.PutUint16(sockaddr[2:4], uint16(port))
	copy(sockaddr[4:8], ip)
	return nil
}

func putSockaddrInet6(sockaddr []byte, ip []byte, port int, zoneID uint32) error {
	if len(sockaddr) < SockaddrSize {
		return errors.New("sockaddr length not enough")
	}
	nativeEndian.PutUint16(sockaddr[:2], unix.AF_INET6)
	binary.BigEndian.PutUint16(sockaddr[2:4], uint16(port))
	copy(sockaddr[8:24], ip)
	nativeEndian.PutUint32(sockaddr[24:28], zoneID)
	return nil
}

// nativeEndian is the byte order used for the family and scope id fields,
// which the kernel stores in host order. It is fixed to little-endian, so
// on a big-endian host those fields do not match the kernel's layout.
var nativeEndian = binary.LittleEndian

// AddrToSockAddr converts raddr to the unix.Sockaddr a sendto(2) on a
// socket bound to laddr needs; the two must share an address family.
func AddrToSockAddr(laddr net.Addr, raddr net.Addr) (unix.Sockaddr, error) {
	var lIP, rIP net.IP
	var port int
	var zone string
	switch raddr := raddr.(type) {
	case *net.TCPAddr:
		l, ok := laddr.(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("laddr and raddr are not both tcp addr, laddr is %T", laddr)
		}
		lIP, rIP, port, zone = l.IP, raddr.IP, raddr.Port, raddr.Zone
	case *net.UDPAddr:
		l, ok := laddr.(*net.UDPAddr)
		if !ok {
			return nil, fmt.Errorf("laddr and raddr are not both udp addr, laddr is %T", laddr)
		}
		lIP, rIP, port, zone = l.IP, raddr.IP, raddr.Port, raddr.Zone
	default:
		return nil, errors.New("addr type is not support")
	}
	if ipFamily(lIP) != ipFamily(rIP) {
		return nil, fmt.Errorf("IP family mismatch between %s and %s", lIP, rIP)
	}
	return ipToSockaddr(ipFamily(rIP), rIP, port, zone)
}

func ipFamily(ip net.IP) int {
	if len(ip) <= net.IPv4len || ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func ipToSockaddr(family int, ip net.IP, port int, zone string) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		if len(ip) == 0 {
			ip = net.IPv4zero
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("non-IPv4 address:%s", ip.String())
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	case unix.AF_INET6:
		// The IPv6 wildcard covers both addressing spaces, so an IPv4
		// wildcard is widened rather than rejected.
		if len(ip) == 0 || ip.Equal(net.IPv4zero) {
			ip = net.IPv6zero
		}
		ip6 := ip.To16()
		if ip6 == nil {
			return nil, fmt.Errorf("non-IPv6 address:%s", ip.String())
		}
		zoneID, err := zoneToID(zone)
		if err != nil {
			return nil, err
		}
		sa := &unix.SockaddrInet6{Port: port, ZoneId: zoneID}
		copy(sa.Addr[:], ip6)
		return sa, nil
	}
	return nil, fmt.Errorf("invalid address family:%s", ip.String())
}

func ip4ToIP(addr [4]byte) net.IP {
	return net.IPv4(addr[0], addr[1], addr[2], addr[3])
}

// zoneToString names an IPv6 scope id the way net.UDPAddr.Zone expects:
// the interface name when one exists, the decimal index otherwise.
func zoneToString(zone int) string {
	if zone == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(zone); err == nil {
		return ifi.Name
	}
	return strconv.Itoa(zone)
}

func zoneToID(zone string) (uint32, error) {
	if zone == "" {
		return 0, nil
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index), nil
	}
	n, err := strconv.Atoi(zone)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// TestableNetwork reports whether the host has an address that can carry
// traffic for network. Only used by unit tests, which skip networks the
// host can't exercise.
func TestableNetwork(network string) bool {
	switch network {
	case "unix":
		return true
	case "tcp4", "udp4":
		return hasFamilyAddr(func(ip net.IP) bool { return ip.To4() != nil })
	case "tcp6", "udp6":
		return hasFamilyAddr(func(ip net.IP) bool { return ip.To4() == nil })
	case "tcp", "udp":
		return hasFamilyAddr(func(net.IP) bool { return true })
	default:
		return false
	}
}

func hasFamilyAddr(match func(net.IP) bool) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipn, ok := addr.(*net.IPNet); ok && match(ipn.IP) {
			return true
		}
	}
	return false
}

// ValidateTCP validates that listener is listening on TCP.
func ValidateTCP(listener net.Listener) error {
	switch network := listener.Addr().Network(); network {
	case "tcp", "tcp4", "tcp6":
		return nil
	default:
		return fmt.Errorf("expected listen on TCP, actual listen on %s", network)
	}
}

// ValidateUDP validates that conn is listening on UDP.
func ValidateUDP(conn net.PacketConn) error {
	switch network := conn.LocalAddr().Network(); network {
	case "udp", "udp4", "udp6":
		return nil
	default:
		return fmt.Errorf("expected listen on UDP, actual listen on %s", network)
	}
}
