// Package config loads the provision tool configuration.
//
// Configuration is read from provision.yaml, provision.yml or provision.cue
// (first match in the working directory, or an explicit path). CUE sources
// are checked against a built-in schema before decoding, so typos and
// out-of-range limits are reported with file positions:
//
//	executor: {
//		kind: "sandbox"
//		limits: timeout: "750ms"
//	}
//	policy: paths: ["policies"]
//
// After the file, PROVISION_* environment variables override individual
// fields (PROVISION_EXECUTOR, PROVISION_STORE_PATH, PROVISION_POLICY_PATHS,
// PROVISION_WORKERS, PROVISION_TIMEOUT, PROVISION_LOG_LEVEL and others).
// LoadDotEnv reads a .env file into the environment first without
// overwriting variables that are already set.
//
// The same CUE machinery evaluates .cue answers fixtures for the
// conformance harness against the fixture schema.
package config
