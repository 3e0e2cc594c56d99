package gocbx

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/sasl"
)

// candidateMechanisms builds the ordered SASL mechanism list per §4.3 step
// 3: SCRAM-SHA-512 > SHA-256 > SHA-1 > PLAIN, with PLAIN only offered over
// TLS. Mechanisms satisfy github.com/twmb/franz-go/pkg/sasl's
// Mechanism/Session interface, reused verbatim here — it is transport
// agnostic (Authenticate(ctx, host) (Session, []byte, error) /
// Session.Challenge([]byte) (bool, []byte, error)) and the teacher's own
// brokerCxn.doSasl drives it exactly this way.
func candidateMechanisms(username, password string, tlsEnabled bool) []sasl.Mechanism {
	mechs := []sasl.Mechanism{
		newScramMechanism("SCRAM-SHA-512", scramSHA512, username, password),
		newScramMechanism("SCRAM-SHA-256", scramSHA256, username, password),
		newScramMechanism("SCRAM-SHA1", scramSHA1, username, password),
	}
	if tlsEnabled {
		mechs = append(mechs, newPlainMechanism(username, password))
	}
	return mechs
}

// pickMechanism selects the first candidate whose name appears in the
// server's supported list, mirroring the teacher's own SASLHandshake
// fallback loop (broker.go: `for _, ours := range cxn.cl.cfg.sasls[1:]`).
func pickMechanism(candidates []sasl.Mechanism, serverSupported []string) (sasl.Mechanism, error) {
	supported := make(map[string]bool, len(serverSupported))
	for _, s := range serverSupported {
		supported[s] = true
	}
	for _, m := range candidates {
		if supported[m.Name()] {
			return m, nil
		}
	}
	return nil, wrapf(ErrAuthFailure, "no mutually supported SASL mechanism (server offers %v)", serverSupported)
}

// driveSASL runs the full challenge/response exchange for mechanism against
// host, using send to move one step's bytes over the wire and get back the
// server's reply. This is the same step-loop shape as the teacher's
// doSasl, generalized over the concrete KV-protocol framing of each step.
func driveSASL(ctx context.Context, mech sasl.Mechanism, host string, send func(ctx context.Context, payload []byte) ([]byte, error)) error {
	session, clientWrite, err := mech.Authenticate(ctx, host)
	if err != nil {
		return wrapf(err, "sasl authenticate")
	}
	if len(clientWrite) == 0 {
		return fmt.Errorf("unexpected server-first sasl mechanism %s", mech.Name())
	}

	for {
		challenge, err := send(ctx, clientWrite)
		if err != nil {
			return wrapf(ErrAuthFailure, "sasl step for %s: %v", mech.Name(), err)
		}
		done, next, err := session.Challenge(challenge)
		if err != nil {
			return wrapf(ErrAuthFailure, "sasl challenge for %s: %v", mech.Name(), err)
		}
		if done {
			return nil
		}
		clientWrite = next
	}
}
