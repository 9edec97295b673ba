// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package modsys

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/oops"
)

// ImportMap maps logical dependency names to module addresses.
type ImportMap map[string]string

// Dependencies is the source of shared dependency values.
type Dependencies interface {
	Names() []string
	Resolve(ctx context.Context, name string) (Exports, error)
}

// Registrar is the subset of System used to declare synthetic modules.
type Registrar interface {
	Has(addr string) bool
	Register(addr string, def Definition) error
	MapImport(specifier, addr string)
}

// BuildImportMap declares a synthetic module for every shared dependency and
// maps each dependency name to its address. Addresses that already have a
// definition are left alone, so the builder can run more than once.
//
// Registration does not resolve anything: each definition awaits its
// dependency the first time it is imported.
func BuildImportMap(reg Registrar, deps Dependencies) (ImportMap, error) {
	names := deps.Names()
	m := make(ImportMap, len(names))

	for _, name := range names {
		addr := SyntheticAddress(name)
		m[name] = addr
		reg.MapImport(name, addr)

		if isRegistered(reg, addr) {
			continue
		}

		depName := name
		err := reg.Register(addr, Definition{
			Execute: func(ctx context.Context) (Exports, error) {
				return deps.Resolve(ctx, depName)
			},
		})
		if isAlreadyRegistered(err) {
			continue
		}
		if err != nil {
			return nil, oops.In("modsys").With("dependency", name).With("address", addr).Wrap(err)
		}
	}

	return m, nil
}

// isRegistered asks reg whether addr is known, treating a failed lookup as
// "not registered".
func isRegistered(reg Registrar, addr string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("module existence check failed", "address", addr, "error", fmt.Sprint(r))
			ok = false
		}
	}()
	return reg.Has(addr)
}

func isAlreadyRegistered(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == "ALREADY_REGISTERED"
}
