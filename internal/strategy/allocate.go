package strategy

// Allocate returns the threads granted to each of n concurrently running
// tasks on a machine with cpus lanes. Every task gets at least one thread
// and n*Allocate(n, cpus) never exceeds cpus while n <= cpus.
func Allocate(n, cpus int) int {
	if n <= 0 {
		n = 1
	}
	if cpus <= 0 {
		cpus = 1
	}
	return max(1, cpus/n)
}
