// Copyright (c) The ipcore Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package mak helps make maps. It contains generic helpers to make/assign
// things, notably to maps, but also slices.
package mak

// Set populates an entry in a map, making the map if necessary.
//
// That is, it assigns (*m)[k] = v, making *m if it was nil.
func Set[K comparable, V any, T ~map[K]V](m *T, k K, v V) {
	if *m == nil {
		*m = make(map[K]V)
	}
	(*m)[k] = v
}

// NonNil takes a pointer to a Go data structure
// (currently only a slice or a map) and makes sure it's non-nil for
// JSON serialization. (In particular, JSON `null` and `{}` are not the
// same).
func NonNil[T any](ptrVal *[]T) {
	if *ptrVal == nil {
		*ptrVal = []T{}
	}
}

// NonNilMap takes a pointer to a map and makes sure it's non-nil.
func NonNilMap[K comparable, V any, T ~map[K]V](ptrVal *T) {
	if *ptrVal == nil {
		*ptrVal = make(T)
	}
}
