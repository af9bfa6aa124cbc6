package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// At most one active lease per intent, whatever the interleaving of
// concurrent issuance attempts and revocations.
func TestLease_SingleActivePerIntentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent issuance yields one active lease", prop.ForAll(
		func(attempts int, revokeAfter int) bool {
			f := newFixture(t)
			ctx := context.Background()
			req := f.request(t, "int-1", stagingScope(), time.Minute, f.agent)

			var (
				wg     sync.WaitGroup
				issued atomic.Int32
				mu     sync.Mutex
				tokens []*contracts.LeaseToken
			)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					tok, err := f.svc.Issue(ctx, req)
					if err != nil {
						return
					}
					issued.Add(1)
					mu.Lock()
					tokens = append(tokens, tok)
					mu.Unlock()
					if i%revokeAfter == 0 {
						_ = f.svc.Revoke(ctx, tok.LeaseID, "property")
					}
				}(i)
			}
			wg.Wait()

			active := 0
			for _, tok := range tokens {
				if _, err := f.svc.Validate(tok); err == nil {
					active++
				}
			}
			return active <= 1 && issued.Load() >= 1
		},
		gen.IntRange(2, 24),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
