// Package kvm drives the Linux Kernel-based Virtual Machine through /dev/kvm.
package kvm
