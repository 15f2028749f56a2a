package deploy

// MergeEnvVars merges the panel-wide defaults with a workload's own
// environment. Workload values take precedence.
func MergeEnvVars(defaults, workloadEnv map[string]string) map[string]string {
	if len(defaults) == 0 && len(workloadEnv) == 0 {
		return nil
	}
	merged := make(map[string]string, len(defaults)+len(workloadEnv))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range workloadEnv {
		merged[k] = v
	}
	return merged
}
