// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package wire

import "io"

// ReadClientSettings reads a SetOptions request body, gating optional
// fields by the negotiated protocol version (spec.md §4.4.5: build cores
// @1.2, substitute usage @1.3, explicit build-users @1.4, substitute
// URLs @1.12).
func ReadClientSettings(r io.Reader, version uint64) (*ClientSettings, error) {
	var s ClientSettings
	var err error

	if s.KeepFailed, err = ReadBool(r); err != nil {
		return nil, err
	}
	if s.KeepGoing, err = ReadBool(r); err != nil {
		return nil, err
	}
	if s.TryFallback, err = ReadBool(r); err != nil {
		return nil, err
	}
	v, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	s.Verbosity = Verbosity(v)
	if s.MaxBuildJobs, err = ReadUint64(r); err != nil {
		return nil, err
	}
	if s.MaxSilentTime, err = ReadUint64(r); err != nil {
		return nil, err
	}
	if _, err = ReadUint64(r); err != nil { // useBuildHook, always present, ignored since 1.10
		return nil, err
	}
	v, err = ReadUint64(r)
	if err != nil {
		return nil, err
	}
	s.BuildVerbosity = Verbosity(v)

	if version >= 1<<8|2 {
		if _, err = ReadUint64(r); err != nil { // obsolete logType
			return nil, err
		}
		if _, err = ReadUint64(r); err != nil { // obsolete printBuildTrace
			return nil, err
		}
		if s.BuildCores, err = ReadUint64(r); err != nil {
			return nil, err
		}
	}
	if version >= 1<<8|3 {
		if s.UseSubstitutes, err = ReadBool(r); err != nil {
			return nil, err
		}
	}
	if version >= 1<<8|4 {
		overrides, err := ReadStringMap(r)
		if err != nil {
			return nil, err
		}
		s.Overrides = overrides
		if buildUsers, ok := overrides["build-users-group"]; ok && buildUsers != "" {
			s.BuildUsers = []string{buildUsers}
		}
	}
	if version >= 1<<8|12 {
		if s.SubstituteURLs, err = ReadStrings(r); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// WriteClientSettings writes a SetOptions request body for the negotiated
// protocol version. Used by client-role callers (e.g. a store-copying
// tool that dials another harmoniad over the daemon protocol).
func WriteClientSettings(w io.Writer, s *ClientSettings, version uint64) error {
	if err := WriteBool(w, s.KeepFailed); err != nil {
		return err
	}
	if err := WriteBool(w, s.KeepGoing); err != nil {
		return err
	}
	if err := WriteBool(w, s.TryFallback); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(s.Verbosity)); err != nil {
		return err
	}
	if err := WriteUint64(w, s.MaxBuildJobs); err != nil {
		return err
	}
	if err := WriteUint64(w, s.MaxSilentTime); err != nil {
		return err
	}
	if err := WriteUint64(w, 0); err != nil { // useBuildHook
		return err
	}
	if err := WriteUint64(w, uint64(s.BuildVerbosity)); err != nil {
		return err
	}
	if version >= 1<<8|2 {
		if err := WriteUint64(w, 0); err != nil { // obsolete logType
			return err
		}
		if err := WriteUint64(w, 0); err != nil { // obsolete printBuildTrace
			return err
		}
		if err := WriteUint64(w, s.BuildCores); err != nil {
			return err
		}
	}
	if version >= 1<<8|3 {
		if err := WriteBool(w, s.UseSubstitutes); err != nil {
			return err
		}
	}
	if version >= 1<<8|4 {
		if err := WriteStringMap(w, s.Overrides); err != nil {
			return err
		}
	}
	if version >= 1<<8|12 {
		if err := WriteStrings(w, s.SubstituteURLs); err != nil {
			return err
		}
	}
	return nil
}
