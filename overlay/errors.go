package overlay

import (
	"errors"
	"fmt"
	"strings"

	"vpcnat/prefix"
)

// Kinds of configuration errors. A *ConfigError unwraps to one of these.
var (
	ErrDefaultWithExtraData          = errors.New("default expose cannot have ips, nots or nat configuration")
	ErrRootPrefixForbidden           = errors.New("root prefix forbidden")
	ErrOverlappingPrefixes           = errors.New("overlapping prefixes")
	ErrOutOfRangeExclusion           = errors.New("exclusion prefix not covered by any allowed prefix")
	ErrExcludedAllPrefixes           = errors.New("exclusion prefixes exclude all allowed prefixes")
	ErrMismatchedPrefixSizes         = errors.New("mismatched prefix sizes")
	ErrInconsistentIPVersion         = errors.New("inconsistent ip version")
	ErrForbiddenPortsWithStatefulNat = errors.New("port ranges are not supported with stateful nat")
	ErrForbidden                     = errors.New("forbidden")
	ErrDuplicateVpcPeeringID         = errors.New("duplicate vpc peering id")
	ErrDuplicateVpcPeerings          = errors.New("vpc peers more than once with the same vpc")
	ErrMissingIdentifier             = errors.New("missing identifier")
	ErrInternalFailure               = errors.New("internal failure")
	ErrNoSuchVpc                     = errors.New("no such vpc")
	ErrDuplicateVpcVni               = errors.New("duplicate vpc vni")
	ErrDuplicateVpcID                = errors.New("duplicate vpc id")
	ErrDuplicateVpcName              = errors.New("duplicate vpc name")
	ErrBadVpcID                      = errors.New("bad vpc id")
	ErrBadVni                        = errors.New("bad vni")
	ErrStatefulPlusStatelessNat      = errors.New("stateful nat on one side and stateless nat on the other")
	ErrPortForwardingShape           = errors.New("port forwarding needs one prefix on each side and no exclusions")
	ErrAlreadyHasNat                 = errors.New("expose already has another nat mode")
)

// ConfigError reports an invalid configuration object along with the offending prefixes or name.
type ConfigError struct {
	Kind     error
	Msg      string
	Prefixes []prefix.PrefixPorts
}

func newError(kind error, msg string, prefixes ...prefix.PrefixPorts) *ConfigError {
	return &ConfigError{Kind: kind, Msg: msg, Prefixes: prefixes}
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Prefixes) > 0 {
		parts := make([]string, len(e.Prefixes))
		for i, p := range e.Prefixes {
			parts[i] = p.String()
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}
