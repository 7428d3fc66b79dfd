// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package wire

import "fmt"

// Magic numbers and protocol version, per spec.md §6 "Wire protocol
// (bit-exact)".
const (
	ClientMagic = 0x6e697863
	ServerMagic = 0x6478696f

	// ProtocolMajor/ProtocolMinor pack as (major<<8)|minor; current max is
	// 1.37, matching upstream Nix and aldoborrero-go-nix/pkg/daemon.
	ProtocolMajor   = 1
	ProtocolMinor   = 37
	ProtocolVersion = ProtocolMajor<<8 | ProtocolMinor

	// minSupportedVersion is the oldest protocol version this daemon will
	// negotiate down to; spec.md §9 calls out both 1.37 and an older
	// "legacy" version as required test targets.
	minSupportedVersion = 1<<8 | 10
)

// NegotiateVersion returns min(client, server), or an error if it falls
// below minSupportedVersion (spec.md §4.4.3 step 3).
func NegotiateVersion(client, server uint64) (uint64, error) {
	v := client
	if server < v {
		v = server
	}
	if v < minSupportedVersion {
		return 0, fmt.Errorf("wire: unsupported protocol version %d.%d", v>>8, v&0xff)
	}
	return v, nil
}

// Operation identifies a daemon request opcode.
type Operation uint64

// Operation catalogue, per spec.md §4.4.5. Values match upstream Nix's
// worker-protocol opcode assignments so the numeric wire encoding is
// bit-exact with real Nix clients.
const (
	OpIsValidPath            Operation = 1
	OpQueryReferrers         Operation = 6
	OpAddToStore             Operation = 7
	OpBuildPaths             Operation = 9
	OpEnsurePath             Operation = 10
	OpAddTempRoot            Operation = 11
	OpAddIndirectRoot        Operation = 12
	OpFindRoots              Operation = 14
	OpSetOptions             Operation = 19
	OpCollectGarbage         Operation = 20
	OpQueryAllValidPaths     Operation = 23
	OpQueryPathInfo          Operation = 26
	OpQueryPathFromHashPart  Operation = 29
	OpQueryValidPaths        Operation = 31
	OpQuerySubstitutablePaths Operation = 32
	OpQueryValidDerivers     Operation = 33
	OpOptimiseStore          Operation = 34
	OpVerifyStore            Operation = 35
	OpBuildDerivation        Operation = 36
	OpAddSignatures          Operation = 37
	OpNarFromPath            Operation = 38
	OpAddToStoreNar          Operation = 39
	OpQueryMissing           Operation = 40
	OpQueryDerivationOutputMap Operation = 41
	OpRegisterDrvOutput      Operation = 42
	OpQueryRealisation       Operation = 43
	OpAddMultipleToStore     Operation = 44
	OpAddBuildLog            Operation = 45
	OpBuildPathsWithResults  Operation = 46
	OpAddPermRoot            Operation = 47
)

var operationNames = map[Operation]string{
	OpIsValidPath:              "IsValidPath",
	OpQueryReferrers:           "QueryReferrers",
	OpAddToStore:               "AddToStore",
	OpBuildPaths:               "BuildPaths",
	OpEnsurePath:               "EnsurePath",
	OpAddTempRoot:              "AddTempRoot",
	OpAddIndirectRoot:          "AddIndirectRoot",
	OpFindRoots:                "FindRoots",
	OpSetOptions:               "SetOptions",
	OpCollectGarbage:           "CollectGarbage",
	OpQueryAllValidPaths:       "QueryAllValidPaths",
	OpQueryPathInfo:            "QueryPathInfo",
	OpQueryPathFromHashPart:    "QueryPathFromHashPart",
	OpQueryValidPaths:          "QueryValidPaths",
	OpQuerySubstitutablePaths:  "QuerySubstitutablePaths",
	OpQueryValidDerivers:       "QueryValidDerivers",
	OpOptimiseStore:            "OptimiseStore",
	OpVerifyStore:              "VerifyStore",
	OpBuildDerivation:          "BuildDerivation",
	OpAddSignatures:            "AddSignatures",
	OpNarFromPath:              "NarFromPath",
	OpAddToStoreNar:            "AddToStoreNar",
	OpQueryMissing:             "QueryMissing",
	OpQueryDerivationOutputMap: "QueryDerivationOutputMap",
	OpRegisterDrvOutput:        "RegisterDrvOutput",
	OpQueryRealisation:         "QueryRealisation",
	OpAddMultipleToStore:       "AddMultipleToStore",
	OpAddBuildLog:              "AddBuildLog",
	OpBuildPathsWithResults:    "BuildPathsWithResults",
	OpAddPermRoot:              "AddPermRoot",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", uint64(op))
}

// TrustLevel is the handshake-time trust declaration (spec.md §4.4.3 step 5).
type TrustLevel uint64

const (
	TrustUnknown TrustLevel = iota
	TrustTrusted
	TrustNotTrusted
)

// BuildMode selects build_derivation's behavior (spec.md §4.6).
type BuildMode uint64

const (
	BuildNormal BuildMode = iota
	BuildRepair
	BuildCheck
)

// Verbosity is a client-requested logging verbosity level.
type Verbosity uint64

const (
	VerbError Verbosity = iota
	VerbWarn
	VerbNotice
	VerbInfo
	VerbTalkative
	VerbChatty
	VerbDebug
	VerbVomit
)

// LogMessageType tags a value in the trailing-logger interleaving stream
// (spec.md §4.4.4).
type LogMessageType uint64

const (
	LogLast          LogMessageType = 0x616c7473 // "stla" reversed
	LogError         LogMessageType = 0x63787470 // "ptxc" reversed
	LogNext          LogMessageType = 0x6f6c6d67 // "gmlo" reversed
	LogRead          LogMessageType = 0x64617461 // "atad" reversed
	LogWrite         LogMessageType = 0x64617477 // "wtad" reversed
	LogStartActivity LogMessageType = 0x53545254 // "TRTS" reversed
	LogStopActivity  LogMessageType = 0x53544f50 // "POTS" reversed
	LogResult        LogMessageType = 0x52534c54 // "TLSR" reversed
)

// ActivityType classifies a StartActivity log message.
type ActivityType uint64

const (
	ActUnknown ActivityType = iota
	ActCopyPath
	ActFileTransfer
	ActRealise
	ActCopyPaths
	ActBuilds
	ActBuild
	ActOptimiseStore
	ActVerifyPaths
	ActSubstitute
	ActQueryPathInfo
	ActPostBuildHook
	ActBuildWaiting
)

// ResultType classifies a Result log message.
type ResultType uint64

const (
	ResFileLinked ResultType = 100 + iota
	ResBuildLogLine
	ResUntrustedPath
	ResCorruptedPath
	ResSetPhase
	ResProgress
	ResSetExpected
	ResPostBuildLogLine
	ResFetchStatus
)

// SetOptions' version-gated field set, per spec.md §4.4.5 and the
// original Rust daemon_wire/types2.rs encoding.
type ClientSettings struct {
	KeepFailed     bool
	KeepGoing      bool
	TryFallback    bool
	Verbosity      Verbosity
	MaxBuildJobs   uint64 // gated @ protocol ≥ 1.2 from client; always present on wire
	MaxSilentTime  uint64
	BuildVerbosity Verbosity
	BuildCores     uint64 // gated @ protocol ≥ 1.2
	UseSubstitutes bool   // gated @ protocol ≥ 1.3
	BuildUsers     []string // gated @ protocol ≥ 1.4, explicit build-users list
	Overrides      map[string]string
	SubstituteURLs []string // gated @ protocol ≥ 1.12
}
