// Package api exposes the wallet factory, the Lego registry and the indexed
// event history over JSON/HTTP. Fund-moving routes accept signed
// authorizations relayed by any submitter.
package api
