package transport

import (
	"fmt"
	"strings"
)

// Strategy is the discovery topology constraint handed to the platform.
type Strategy int

const (
	PointToPoint Strategy = iota
	Star
	Cluster
)

// StrategyFromInt maps the integer encoding used by bindings. Unknown values
// fall back to Star.
func StrategyFromInt(v int) Strategy {
	switch Strategy(v) {
	case PointToPoint, Star, Cluster:
		return Strategy(v)
	default:
		return Star
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "point_to_point", "point-to-point", "p2p", "0":
		return PointToPoint, nil
	case "star", "1", "":
		return Star, nil
	case "cluster", "2":
		return Cluster, nil
	default:
		return Star, fmt.Errorf("unknown strategy %q", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case PointToPoint:
		return "point_to_point"
	case Star:
		return "star"
	case Cluster:
		return "cluster"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}
