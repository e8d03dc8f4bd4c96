package tracing

import (
	"database/sql"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuproxy/datarecording"
)

var _ = Describe("DBTracer", func() {
	var (
		db         *sql.DB
		recorder   datarecording.DataRecorder
		timeTeller *testTimeTeller
		tracer     *DBTracer
	)

	BeforeEach(func() {
		var err error
		db, err = sql.Open("sqlite3",
			filepath.Join(GinkgoT().TempDir(), "trace.sqlite3"))
		Expect(err).NotTo(HaveOccurred())

		recorder = datarecording.NewWithDB(db)
		timeTeller = &testTimeTeller{}
		tracer = NewDBTracer(timeTeller, recorder)
	})

	AfterEach(func() {
		recorder.Close()
	})

	countRows := func() int {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM trace;").Scan(&n)
		Expect(err).NotTo(HaveOccurred())

		return n
	}

	It("should write completed tasks", func() {
		tracer.StartTask(Task{ID: "t1", Kind: "k", What: "w", Where: "X"})
		timeTeller.now = 5
		tracer.EndTask(Task{ID: "t1"})
		recorder.Flush()

		var start, end float64
		err := db.QueryRow("SELECT StartTime, EndTime FROM trace " +
			"WHERE ID='t1';").Scan(&start, &end)
		Expect(err).NotTo(HaveOccurred())
		Expect(start).To(Equal(0.0))
		Expect(end).To(Equal(5.0))
	})

	It("should ignore tasks outside of the time range", func() {
		tracer.SetTimeRange(10, 20)

		tracer.StartTask(Task{ID: "early", Kind: "k", What: "w", Where: "X"})
		timeTeller.now = 5
		tracer.EndTask(Task{ID: "early"})

		timeTeller.now = 25
		tracer.StartTask(Task{ID: "late", Kind: "k", What: "w", Where: "X"})
		tracer.EndTask(Task{ID: "late"})
		recorder.Flush()

		Expect(countRows()).To(Equal(0))
	})

	It("should write unfinished tasks on terminate", func() {
		tracer.StartTask(Task{ID: "t1", Kind: "k", What: "w", Where: "X"})
		timeTeller.now = 7

		tracer.Terminate()

		Expect(countRows()).To(Equal(1))
	})
})
