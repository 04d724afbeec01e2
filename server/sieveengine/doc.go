// Package sieveengine runs user Sieve scripts at delivery time.
//
// It sits between the delivery services and the bytecode compiler in
// package sieve. An Engine owns the extension registry built from the
// [sieve] configuration and a tiered cache of compiled programs:
//
//	memory (LRU + TTL)  ->  local disk (cache)  ->  S3 bucket (storage)
//
// Programs are addressed by a BLAKE3 hash over the script text, the enabled
// extensions, the global variables and the registry fingerprint, so two
// nodes with the same configuration share compiled programs.
//
// # Usage
//
//	engine, err := sieveengine.New(cfg.Sieve, sieveengine.WithDiskCache(diskCache))
//	if err != nil {
//		return err
//	}
//	exec, err := engine.NewExecutorWithOracle(ctx, script, accountID, oracle)
//	if err != nil {
//		return err // positioned compile errors, see sieve.ErrorList
//	}
//	result, err := exec.Evaluate(ctx, sieveengine.Context{
//		EnvelopeFrom: "alice@example.com",
//		EnvelopeTo:   "bob@example.org",
//		Header:       headers,
//		Body:         text,
//	})
//
// The Result names one primary action (keep, discard, fileinto, redirect
// or vacation) together with every mailbox and redirect target the script
// produced. Vacation responses are only returned when the SievePolicy
// allows them: the incoming message must not be an automatic message, it
// must be addressed to the user, and the VacationOracle must not have
// recorded a response to the same sender within the period.
package sieveengine
