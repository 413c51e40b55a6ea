package se05x

import (
	"context"

	"github.com/barnettlynn/se05x/pkg/scp03"
)

// AuthAttempt holds the result of one handshake attempt for diagnostics.
type AuthAttempt struct {
	KVN     byte   // Key version tried
	Success bool   // True if the channel opened
	Step    string // Handshake step where the attempt failed
	SW      uint16 // Status word from the failed step
	RespLen int    // Response length from the failed step
	Err     error  // Underlying error
}

// DiagnoseKeyVersions attempts the SCP03 handshake with keys on each key version in
// kvns. This is useful for finding which key set a chip was provisioned with.
//
// Any open channel is closed first and its keys are forgotten. Channels opened by
// successful attempts are closed again; call OpenSession afterwards.
func (d *Driver) DiagnoseKeyVersions(ctx context.Context, keys scp03.StaticKeys, kvns []byte) []AuthAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropSessionLocked()
	d.keys.Wipe()
	d.keys = scp03.StaticKeys{}

	results := make([]AuthAttempt, 0, len(kvns))
	for _, kvn := range kvns {
		opts := append(d.sessionOptions(), scp03.WithKeyVersion(kvn))
		actx, cancel := d.withTimeout(ctx)
		s, err := scp03.Open(actx, keys, d.link, d.random, opts...)
		cancel()

		result := AuthAttempt{KVN: kvn, Success: err == nil, Err: err}
		if err != nil {
			step, sw, respLen, ok := scp03.ClassifyAuthError(err)
			if ok {
				result.Step = step
				result.SW = sw
				result.RespLen = respLen
			}
		} else {
			_ = s.Close()
		}
		d.log.Debug("key version probe", "kvn", kvn, "success", result.Success, "step", result.Step)
		results = append(results, result)
	}
	return results
}
