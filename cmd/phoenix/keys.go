package main

import "crypto/rand"

// sessionKey and csrfKey are generated fresh on every process start:
// the dashboard's only stateful use of them is the current process's
// session cookies and CSRF tokens, so there is nothing to persist.
// Restarting the process simply invalidates any open dashboard tab.
func sessionKey() []byte { return randomKey() }
func csrfKey() []byte    { return randomKey() }

func randomKey() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("phoenix: reading random key material: " + err.Error())
	}
	return b
}
