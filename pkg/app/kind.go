package app

type Kind int

const (
	KindUnknown Kind = iota
	KindDesktopApp
	KindRuntime
	KindLocalization
	KindRepository
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindDesktopApp:
		return "desktop-application"
	case KindRuntime:
		return "runtime"
	case KindLocalization:
		return "localization"
	case KindRepository:
		return "repository"
	case KindGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// ParseKind accepts AppStream component types.
func ParseKind(s string) Kind {
	switch s {
	case "desktop-application", "desktop", "":
		return KindDesktopApp
	case "runtime":
		return KindRuntime
	case "localization":
		return KindLocalization
	case "repository":
		return KindRepository
	case "addon", "generic", "console-application", "codec", "font", "inputmethod":
		return KindGeneric
	default:
		return KindUnknown
	}
}

type Scope int

const (
	ScopeUnknown Scope = iota
	ScopeUser
	ScopeSystem
)

func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeSystem:
		return "system"
	default:
		return "*"
	}
}

type Quirk uint32

const (
	QuirkNotLaunchable Quirk = 1 << iota
	QuirkDevelopmentSource
	QuirkIsProxy
	QuirkHasSource
	QuirkLocalFile
	QuirkNeedsReboot
)

// BundleFlatpak is the only bundle kind this engine produces.
const BundleFlatpak = "flatpak"
