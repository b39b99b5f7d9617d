package engine_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/engine"
	"github.com/developer-mesh/eventmesh-engine/pkg/observability"
)

var _ = Describe("AppEngine lifecycle", func() {
	var appConfig *config.AppConfig
	var handler *engine.Handler
	var mgr *fakeManager

	BeforeEach(func() {
		appConfig = &config.AppConfig{
			Name:    "ginkgoapp",
			Version: "1x0",
			Events: map[string]*config.EventDescriptor{
				"consume": {
					Type: config.EventSTREAM,
					ReadStream: &config.ReadStreamDescriptor{
						Name: "consume.in", ConsumerGroup: "g", Queues: []config.Queue{config.AutoQueue},
					},
				},
			},
		}
		handler = engine.NewHandler()
		handler.Register("consume", &engine.EventImpl{Steps: []engine.StepFunc{
			func(ctx context.Context, ec *engine.EventContext, queryArgs map[string]string, in interface{}) (engine.Generator, error) {
				return engine.Single(in), nil
			},
		}})
		mgr = &fakeManager{}
	})

	It("stops its read_stream loop cleanly on StopEvent, leaving no goroutine behind", func() {
		appEngine := engine.New(appConfig, nil, nil, handler, observability.NewNoopLogger())
		appEngine.SetStreamManagerForTest(mgr)
		Expect(appEngine.Start(context.Background())).To(Succeed())

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			_, _ = appEngine.ReadStream(context.Background(), "consume", false)
			close(done)
		}()

		Eventually(func() bool { return appEngine.IsRunning("consume") }, time.Second).Should(BeTrue())
		Expect(appEngine.StopEvent("consume")).To(Succeed())
		Eventually(done, time.Second).Should(BeClosed())
		Expect(appEngine.IsRunning("consume")).To(BeFalse())
	})

	It("rejects starting the same continuous event twice concurrently", func() {
		appEngine := engine.New(appConfig, nil, nil, handler, observability.NewNoopLogger())
		appEngine.SetStreamManagerForTest(mgr)
		Expect(appEngine.Start(context.Background())).To(Succeed())

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			_, _ = appEngine.ReadStream(context.Background(), "consume", false)
			close(done)
		}()
		Eventually(func() bool { return appEngine.IsRunning("consume") }, time.Second).Should(BeTrue())

		_, err := appEngine.ReadStream(context.Background(), "consume", true)
		Expect(err).To(HaveOccurred())

		Expect(appEngine.StopEvent("consume")).To(Succeed())
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("stops every running event during Stop", func() {
		appEngine := engine.New(appConfig, nil, nil, handler, observability.NewNoopLogger())
		appEngine.SetStreamManagerForTest(mgr)
		Expect(appEngine.Start(context.Background())).To(Succeed())

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			_, _ = appEngine.ReadStream(context.Background(), "consume", false)
			close(done)
		}()
		Eventually(func() bool { return appEngine.IsRunning("consume") }, time.Second).Should(BeTrue())

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		Expect(appEngine.Stop(stopCtx)).To(Succeed())
		Eventually(done, time.Second).Should(BeClosed())
	})
})
