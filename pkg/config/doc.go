/*
Package config loads VentiScan's environment-driven configuration.

Keys are read with viper under the VENTISCAN_ prefix (for example
VENTISCAN_TOKEN_SIGNING_SECRET). Validate() enforces the startup-fatal
conditions: the token signing secret must be present, and the artifact root
and data directory must be writable. The server refuses to start otherwise
and exits non-zero.

Recognized keys: token_signing_secret, admin_seed_login,
admin_seed_password, listen_addr, artifact_root, data_dir,
max_parallel_workers, worker_memory_limit, worker_cpu_limit, chunk_timeout,
scan_timeout, default_chunk_size, queue_capacity, retention_days,
rate_limit_overrides, scanner_profiles, allowed_ports, log_level, log_json.
*/
package config
