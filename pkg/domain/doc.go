// Package domain contains the shared types used across the compilation and
// enforcement paths: policy rules, change sets, compilation plans, enforcement
// contexts and results, and the error taxonomy.
//
// Types in this package are plain data carriers. Behaviour lives in the
// compiler, engine, and enforcement packages; domain types never reach out to
// the network or to shared caches.
package domain
