package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccountLocks_LockAllWaitsForHolders(t *testing.T) {
	locks := NewAccountLocks()
	unlockA := locks.Lock("ACC1")

	acquired := make(chan func())
	go func() { acquired <- locks.LockAll() }()

	select {
	case <-acquired:
		t.Fatal("LockAll acquired while ACC1 was held")
	case <-time.After(30 * time.Millisecond):
	}

	unlockA()
	var unlockAll func()
	select {
	case unlockAll = <-acquired:
	case <-time.After(eventually):
		t.Fatal("LockAll did not acquire after release")
	}

	taken := make(chan struct{})
	go func() {
		unlock := locks.Lock("ACC2")
		unlock()
		close(taken)
	}()

	select {
	case <-taken:
		t.Fatal("account lock taken during LockAll")
	case <-time.After(30 * time.Millisecond):
	}

	unlockAll()
	select {
	case <-taken:
	case <-time.After(eventually):
		t.Fatal("account lock not released after LockAll")
	}
}

func TestAccountLocks_DistinctAccountsDoNotBlock(t *testing.T) {
	locks := NewAccountLocks()
	unlockA := locks.Lock("ACC1")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("ACC2")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(eventually):
		assert.Fail(t, "ACC2 blocked behind ACC1")
	}
}
