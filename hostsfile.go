// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"
)

// lookupHostsFile returns the addresses that the hosts file at path maps
// to host. A missing file is not an error and yields no addresses.
func lookupHostsFile(path, host string) ([]netip.Addr, error) {
	if path == "" {
		return nil, nil
	}
	filep, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	return parseHostsFile(filep, host)
}

// parseHostsFile scans hosts(5) formatted data for host.
func parseHostsFile(r io.Reader, host string) ([]netip.Addr, error) {
	host = dohNormalizeName(host)
	var addrs []netip.Addr
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		for _, name := range fields[1:] {
			if dohNormalizeName(name) == host {
				addrs = append(addrs, addr.WithZone(""))
				break
			}
		}
	}
	return addrs, scanner.Err()
}
