package registry_test

import (
	"fmt"
	"sync"
	"testing"

	g "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
	"vistara-arbiter/pkg/registry"
)

type nopCallbacks struct{}

func (nopCallbacks) GPUGranted(uint32) error { return nil }
func (nopCallbacks) GPUStop() error          { return nil }
func (nopCallbacks) GPULost() error          { return nil }

func newRegistry(maxVMs int) *registry.Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return registry.New(logrus.NewEntry(logger), maxVMs, nil)
}

func descriptor(id models.VMID) ports.VMDescriptor {
	return ports.VMDescriptor{ID: id, Version: models.ProtocolVersion, Callbacks: nopCallbacks{}}
}

func TestRegister_initialState(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(4)

	h, err := reg.Register(descriptor(1))
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(h).NotTo(g.Equal(models.InvalidHandle))

	record, err := reg.Get(h)
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(record.State).To(g.Equal(models.IdleUnrequested))
	g.Expect(record.Desc.ID).To(g.Equal(models.VMID(1)))
	g.Expect(record.RegisteredAt.IsZero()).To(g.BeFalse())
}

func TestRegister_duplicate(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(4)

	_, err := reg.Register(descriptor(1))
	g.Expect(err).NotTo(g.HaveOccurred())

	_, err = reg.Register(descriptor(1))
	g.Expect(err).To(g.MatchError(errors.ErrDuplicateVM))
}

func TestRegister_outOfResources(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(2)

	for i := 1; i <= 2; i++ {
		_, err := reg.Register(descriptor(models.VMID(i)))
		g.Expect(err).NotTo(g.HaveOccurred())
	}

	_, err := reg.Register(descriptor(3))
	g.Expect(err).To(g.MatchError(errors.ErrOutOfResources))
}

func TestRegister_nilCallbacks(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(2)

	_, err := reg.Register(ports.VMDescriptor{ID: 1, Version: models.ProtocolVersion})
	g.Expect(err).To(g.MatchError(errors.ErrInvalidArgument))
}

func TestHandlesNeverReused(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(1)

	first, err := reg.Register(descriptor(1))
	g.Expect(err).NotTo(g.HaveOccurred())

	_, err = reg.Unregister(first, nil)
	g.Expect(err).NotTo(g.HaveOccurred())

	second, err := reg.Register(descriptor(1))
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(second).NotTo(g.Equal(first))

	_, err = reg.Get(first)
	g.Expect(err).To(g.MatchError(errors.ErrUnknownHandle))
}

func TestUnregister_vetoed(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(2)

	h, err := reg.Register(descriptor(1))
	g.Expect(err).NotTo(g.HaveOccurred())

	_, err = reg.Update(h, func(r *registry.Record) error {
		r.State = models.GrantedIdle
		return nil
	})
	g.Expect(err).NotTo(g.HaveOccurred())

	_, err = reg.Unregister(h, func(r registry.Record) error {
		if r.State.HoldsResource() {
			return errors.ErrStillOwner
		}
		return nil
	})
	g.Expect(err).To(g.MatchError(errors.ErrStillOwner))
	g.Expect(reg.Len()).To(g.Equal(1))
}

func TestUpdate_errorLeavesRecord(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(2)

	h, err := reg.Register(descriptor(1))
	g.Expect(err).NotTo(g.HaveOccurred())

	_, err = reg.Update(h, func(r *registry.Record) error {
		r.State = models.Requested
		return fmt.Errorf("nope")
	})
	g.Expect(err).To(g.HaveOccurred())

	record, err := reg.Get(h)
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(record.State).To(g.Equal(models.IdleUnrequested))
}

func TestUpdate_identityChange(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(2)

	h, err := reg.Register(descriptor(1))
	g.Expect(err).NotTo(g.HaveOccurred())

	_, err = reg.Update(h, func(r *registry.Record) error {
		r.Desc.ID = 9
		return nil
	})
	g.Expect(err).To(g.MatchError(errors.ErrInvariant))
}

func TestConcurrentRegistration(t *testing.T) {
	g.RegisterTestingT(t)

	reg := newRegistry(0)

	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, _ = reg.Register(descriptor(models.VMID(id)))
		}(i)
	}
	wg.Wait()

	list := reg.List()
	g.Expect(list).To(g.HaveLen(32))
	for i := 1; i < len(list); i++ {
		g.Expect(list[i].Handle).To(g.BeNumerically(">", list[i-1].Handle))
	}
}
