// Package osal is the operating system abstraction consumed by the platform device framework:
// spinlocks, counting semaphores with timed waits, and worker threads.
//
// Interrupt masking has no meaning for goroutines, so the IRQ-saving spinlock variant collapses
// to the plain mutex. Critical sections guarded by a Spinlock must still never block.
package osal
