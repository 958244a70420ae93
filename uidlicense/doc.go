// Package uidlicense binds external game UIDs to capacity-limited licenses.
//
// Install with:
//
//	go get github.com/CloudNativeWorks/cnw-uid-license/uidlicense
//
// The Manager is the server-side core. It validates activation requests,
// reserves license capacity through the configured store, applies lazy
// expiry when bindings are read, and carries out administrative status
// changes:
//
//	st := store.NewMemory()
//	m := uidlicense.NewManager(st, uidlicense.WithLogger(logger))
//	b, err := m.Activate(ctx, uidlicense.ActivateRequest{
//	    GameUID:    "ABC123",
//	    LicenseKey: "7K2Q-M9XA-0PLE-4D3R-ZZ81",
//	})
//
// # Client
//
// OnlineClient talks to the HTTP API served by the server package:
//
//	client := uidlicense.NewOnlineClient("https://license.example.com")
//	b, err := client.Activate(ctx, uidlicense.ActivateRequest{...})
//
// # Offline receipts
//
// A server configured with a ReceiptSigner issues Ed25519-signed receipts for
// active bindings. Game clients verify them without network access:
//
//	v := uidlicense.NewOfflineValidator(uidlicense.WithTrustedPublicKey(pubKeyBase64))
//	r, err := v.VerifyFile("/etc/mygame/receipt.json")
package uidlicense
