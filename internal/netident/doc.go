// Package netident implements crawler.NetworkController: the mechanisms that
// change the outbound network identity when the rotation coordinator asks.
//
// Simulated only tracks bookkeeping, Command shells out to a VPN-style CLI,
// and ProxyList cycles through configured proxies that newly built browser
// slots pick up through Current.
package netident
