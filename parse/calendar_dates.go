package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/arrivals/model"
)

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

// Returns the calendar dates and the set of service IDs they
// mention.
func ParseCalendarDates(data io.Reader) ([]model.CalendarDate, map[string]bool, error) {
	calendarDateCsv := []*CalendarDateCSV{}
	if err := gocsv.Unmarshal(data, &calendarDateCsv); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	dates := []model.CalendarDate{}
	knownService := map[string]bool{}
	knownServiceDate := map[string]bool{}

	for _, cd := range calendarDateCsv {
		exceptionType := model.ExceptionType(cd.ExceptionType)
		if exceptionType != model.ServiceAdded && exceptionType != model.ServiceRemoved {
			return nil, nil, fmt.Errorf("illegal exception_type: '%d'", cd.ExceptionType)
		}

		_, err := time.ParseInLocation("20060102", cd.Date, time.UTC)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing date '%s': %w", cd.Date, err)
		}

		serviceDate := fmt.Sprintf("%s-%s", cd.Date, cd.ServiceID)
		if knownServiceDate[serviceDate] {
			return nil, nil, fmt.Errorf("duplicate service/date: '%s'", serviceDate)
		}
		knownServiceDate[serviceDate] = true
		knownService[cd.ServiceID] = true

		dates = append(dates, model.CalendarDate{
			ServiceID:     cd.ServiceID,
			Date:          cd.Date,
			ExceptionType: exceptionType,
		})
	}

	return dates, knownService, nil
}
