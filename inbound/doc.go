// Package inbound handles the confirmation redirect that ends an
// interactive payment grant.
//
// The redirect is idempotent: replays of an accepted callback return the
// saga's recorded outcome and never trigger a second transfer.
package inbound
