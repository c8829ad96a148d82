package membership

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadAddressList parses the flat, line-oriented peer address file (spec
// §4.2/§6): `#` comments are ignored, and the first whitespace-delimited
// token on a line is the address. self is excluded from the result.
func ReadAddressList(path, self string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open address list %s: %w", path, err)
	}
	defer f.Close()

	var addrs []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr := strings.Fields(line)[0]
		if addr == self || seen[addr] {
			continue
		}
		seen[addr] = true
		addrs = append(addrs, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan address list %s: %w", path, err)
	}
	return addrs, nil
}
