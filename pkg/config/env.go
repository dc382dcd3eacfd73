package config

// Environment names accepted in server.environment
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// IsProductionLike reports whether the environment enforces production configuration rules.
func IsProductionLike(environment string) bool {
	return environment == EnvStaging || environment == EnvProduction
}
