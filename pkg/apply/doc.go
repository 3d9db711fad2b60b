// Package apply materializes provisioning plans.
//
// The engine only describes side effects. An Applier takes a finished plan
// and hands it to four adapters: a ConfigApplier for the config patch, a
// SecretsApplier for secret operations, an OAuthHandler for OAuth requests
// and an InstallStore that remembers each installation together with its
// webhook and subscription state. In dry_run mode the Applier only reports.
//
// Config lives under the namespace
//
//	provision:{env}:{tenant}:{team}:{provider}:{install}
//
// with missing tenant segments rendered as "unknown". Secrets use the same
// namespace with a ":secrets" suffix.
//
// The Forwarder exposes the same adapters to sandboxed pack units as host
// calls.
package apply
