// Command rebalancer runs the cross-chain inventory rebalancing controller:
// the balance monitor and rebalance engine background loops, wired
// together by internal/supervisor.
package main

import "github.com/Fantasim/rebalancer/internal/supervisor"

func main() {
	supervisor.Main()
}
