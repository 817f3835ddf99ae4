// Package worker implements the offline cache reconciler for one web
// application: install pre-fetches the application shell into TEMP, activate
// reconciles the resource manifest against CONTENT (evicting stale entries,
// promoting shell files, persisting the manifest in MANIFEST), fetch serves
// manifest resources cache-first (or online-first for "/"), and message
// handles the skipWaiting/downloadOffline control commands.
//
// Activation is split into a pure planning step (PlanActivation) and an
// executor, so the manifest diff can be tested without any cache backend.
// Any activation failure resets all three partitions through ResetPartitions.
//
// A Registration tracks the installing, waiting and active worker
// generations and serializes activation.
package worker
