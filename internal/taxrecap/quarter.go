package taxrecap

import (
	"fmt"
	"time"
)

// Quarter календарный квартал в UTC
type Quarter struct {
	Year int
	Q    int
}

// QuarterOf возвращает квартал, содержащий t
func QuarterOf(t time.Time) Quarter {
	t = t.UTC()
	return Quarter{Year: t.Year(), Q: (int(t.Month())-1)/3 + 1}
}

// Start возвращает начало квартала
func (q Quarter) Start() time.Time {
	return time.Date(q.Year, time.Month((q.Q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
}

// End возвращает начало следующего квартала (исключительная граница)
func (q Quarter) End() time.Time {
	return q.Start().AddDate(0, 3, 0)
}

// Previous возвращает предыдущий квартал
func (q Quarter) Previous() Quarter {
	if q.Q == 1 {
		return Quarter{Year: q.Year - 1, Q: 4}
	}
	return Quarter{Year: q.Year, Q: q.Q - 1}
}

// String возвращает период в виде 2026-Q1
func (q Quarter) String() string {
	return fmt.Sprintf("%d-Q%d", q.Year, q.Q)
}

// RecapDue возвращает квартал, итоги которого подводятся в момент now.
// Окно открыто с первого дня следующего квартала в течение windowDays дней.
func RecapDue(now time.Time, windowDays int) (Quarter, bool) {
	if windowDays <= 0 {
		windowDays = 1
	}
	current := QuarterOf(now)
	if now.UTC().Before(current.Start().AddDate(0, 0, windowDays)) {
		return current.Previous(), true
	}
	return Quarter{}, false
}
