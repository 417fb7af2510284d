// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package envknob provides access to environment-variable tweakable
// debug settings.
//
// These are knobs used during development or when instructed while
// debugging something. They are not a stable interface and may be
// removed at any time.
package envknob

import (
	"log"
	"os"
	"strconv"
)

// String returns the named environment variable, using os.Getenv.
func String(envVar string) string {
	return os.Getenv(envVar)
}

// Bool returns the boolean value of the named environment variable.
// If the variable is not set or is the empty string, it returns false.
// An invalid value exits the binary with a failure.
func Bool(envVar string) bool {
	return boolOr(envVar, false)
}

// BoolDefaultTrue is like Bool, but returns true by default if the
// environment variable isn't present.
func BoolDefaultTrue(envVar string) bool {
	return boolOr(envVar, true)
}

func boolOr(envVar string, implicitValue bool) bool {
	val := os.Getenv(envVar)
	if val == "" {
		return implicitValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		log.Fatalf("invalid boolean environment variable %s value %q", envVar, val)
	}
	return b
}

// LookupBool returns the boolean value of the named environment value.
// The ok result is whether a value was set. If the value isn't a valid
// bool, it exits the binary with a failure.
func LookupBool(envVar string) (v bool, ok bool) {
	val := os.Getenv(envVar)
	if val == "" {
		return false, false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		log.Fatalf("invalid boolean environment variable %s value %q", envVar, val)
	}
	return b, true
}

// LookupInt returns the integer value of the named environment value.
// The ok result is whether a value was set. If the value isn't a valid
// int, it exits the binary with a failure.
func LookupInt(envVar string) (v int, ok bool) {
	val := os.Getenv(envVar)
	if val == "" {
		return 0, false
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer environment variable %s: %v", envVar, val)
	}
	return v, true
}

// DebugSAS reports whether per-decision source address selection
// logging is enabled.
func DebugSAS() bool { return Bool("IPCORE_DEBUG_SAS") }

// PreferTemporaryAddrs reports whether IPv6 source address selection
// should prefer temporary (privacy) addresses over stable ones, as in
// RFC 6724 rule 7 with the privacy flag set. Defaults to true.
func PreferTemporaryAddrs() bool { return BoolDefaultTrue("IPCORE_SAS_PREFER_TEMPORARY") }
