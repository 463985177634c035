/*
Package dns provides Quilt's embedded authoritative DNS server for the
*.quilt.local zone.

Each running container gets two A records — its name (if set) and its id —
both pointing at its allocated address. The table is sharded into 16
independently-locked buckets by query name, so registering one container
never blocks a lookup for an unrelated name.

# Query handling

A query ending in .quilt.local is answered from the table or, if absent,
NXDOMAIN. Anything else is forwarded to the configured upstream resolvers.
The redirect that routes the gateway's :53 to this server's real listen
address is installed once, at fabric startup, not per container — so
container churn never accretes duplicate DNAT rules.

# Restart recovery

Server.Start calls Resolver.Rebuild, which loads every RUNNING row from the
store and reconstructs the table before the first query is served. This
lets the daemon answer DNS correctly even before the network fabric has
finished re-attaching containers after a restart.

# Registration

The lifecycle engine calls Resolver.Register from its background network
attach, after the container has reached RUNNING and the fabric setup has
succeeded. Resolver.Deregister is not called by the engine directly: exit
and removal enqueue a deregister_dns task, and the cleanup service calls
Deregister when it runs that task. Both are in-memory operations — the
durable copy is the store row itself, rebuilt into the table on the next
restart.
*/
package dns
