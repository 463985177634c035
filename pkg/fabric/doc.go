/*
Package fabric owns the host bridge (quilt0) and per-container network
attachment: veth pair creation, namespace move, address/route/ARP
configuration, and the iptables rules that make allocated IPs reachable
from the host and from each other.

Setup performs one atomic plan per container: every step that succeeds
pushes an undo closure onto a rollback stack, so a failure partway through
unwinds exactly what this attempt created rather than leaving a
half-attached veth behind. All mutation — bridge creation, iptables rule
installation, veth attach/detach — runs under a single fabricMu, since the
bridge and the ruleset are host-wide shared state that netlink and
iptables do not let two goroutines touch concurrently.
*/
package fabric
