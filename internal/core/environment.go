package core

import "fmt"

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
	TestEnv        Environment = "test"
)

func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case DevelopmentEnv, ProductionEnv, TestEnv:
		return Environment(s), nil
	case "":
		return DevelopmentEnv, nil
	default:
		return "", fmt.Errorf("%w: unknown environment %q", ErrConfiguration, s)
	}
}

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}

// DefaultLogLevel is used when the level is not configured
func (e Environment) DefaultLogLevel() string {
	if e.IsProduction() {
		return "info"
	}
	return "debug"
}
