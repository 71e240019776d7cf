package coordinator

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/gordon-to/replikv/internal/cluster"
)

// minServers is the smallest ring in which a server's secondary and
// its primary-of are two different servers.
const minServers = 3

// LoadConfig reads the coordinator's server list: a first line giving
// the server count, followed by one line per server of
// "<host> <client-port> <peer-port> <coord-port>". host is either the
// literal "localhost" or "user@host" for a server the coordinator
// will reach over ssh.
func LoadConfig(path string) ([]cluster.ServerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty config file")
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("invalid server count: %w", err)
	}
	if n < minServers {
		return nil, fmt.Errorf("invalid number of servers: %d, need at least %d", n, minServers)
	}

	configs := make([]cluster.ServerConfig, 0, n)
	for i := 0; i < n; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("config file has fewer than %d server lines", n)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: want 4 fields, got %d", i+2, len(fields))
		}

		host := fields[0]
		if host != "localhost" && !strings.Contains(host, "@") {
			return nil, fmt.Errorf("line %d: host %q must be \"localhost\" or \"user@host\"", i+2, host)
		}

		clientPort, err1 := strconv.Atoi(fields[1])
		peerPort, err2 := strconv.Atoi(fields[2])
		coordPort, err3 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil || clientPort == 0 || peerPort == 0 || coordPort == 0 {
			return nil, fmt.Errorf("line %d: invalid port", i+2)
		}

		configs = append(configs, cluster.ServerConfig{
			ID:         i,
			Host:       host,
			ClientPort: clientPort,
			PeerPort:   peerPort,
			CoordPort:  coordPort,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	logConfig(configs)
	return configs, nil
}

func logConfig(configs []cluster.ServerConfig) {
	log.Println("key-value servers configuration:")
	for _, c := range configs {
		log.Printf("\tid %d: host %s, client port %d, peer port %d, coord port %d",
			c.ID, c.Host, c.ClientPort, c.PeerPort, c.CoordPort)
	}
}
