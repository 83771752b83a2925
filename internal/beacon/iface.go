package beacon

import (
	"errors"
	"net"
)

// ErrNoInterface is returned when no interface satisfies any selection
// rule. Interface selection is a hard error at startup.
var ErrNoInterface = errors.New("beacon: no suitable IPv4 interface found")

// InterfacePick is the chosen network interface and its IPv4 address.
type InterfacePick struct {
	Iface *net.Interface
	IP    net.IP
}

// SelectInterface applies the precedence order from spec §4.3: forced
// interface name; then first interface with an address inside cidr;
// then the first non-loopback, up interface carrying an IPv4.
func SelectInterface(forcedName, cidr string) (InterfacePick, error) {
	if forcedName != "" {
		ifi, err := net.InterfaceByName(forcedName)
		if err != nil {
			return InterfacePick{}, err
		}
		ip := firstIPv4(ifi)
		if ip == nil {
			return InterfacePick{}, ErrNoInterface
		}
		return InterfacePick{Iface: ifi, IP: ip}, nil
	}

	if cidr != "" {
		_, target, err := net.ParseCIDR(cidr)
		if err != nil {
			return InterfacePick{}, err
		}
		ifaces, err := net.Interfaces()
		if err != nil {
			return InterfacePick{}, err
		}
		for i := range ifaces {
			ifi := &ifaces[i]
			addrs, err := ifi.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ip, ok := ipv4Of(a)
				if ok && target.Contains(ip) {
					return InterfacePick{Iface: ifi, IP: ip}, nil
				}
			}
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return InterfacePick{}, err
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := firstIPv4(ifi); ip != nil {
			return InterfacePick{Iface: ifi, IP: ip}, nil
		}
	}
	return InterfacePick{}, ErrNoInterface
}

func firstIPv4(ifi *net.Interface) net.IP {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip, ok := ipv4Of(a); ok {
			return ip
		}
	}
	return nil
}

func ipv4Of(a net.Addr) (net.IP, bool) {
	ipNet, ok := a.(*net.IPNet)
	if !ok {
		return nil, false
	}
	ip := ipNet.IP.To4()
	if ip == nil {
		return nil, false
	}
	return ip, true
}
