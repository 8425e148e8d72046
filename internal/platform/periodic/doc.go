// Package periodic выполняет фоновые задачи с фиксированным интервалом.
//
// Каждая задача работает в своей горутине, поэтому прогоны одной задачи
// не перекрываются. Паузы отсчитываются от конца прогона. После ошибок пауза
// растет по ErrorBackoff, пока очередной прогон не завершится успешно.
//
// Пример:
//
//	r := periodic.New(periodic.Config{Logger: logger})
//	h, err := r.Add(periodic.Job{
//		Name:         "poll",
//		Interval:     10 * time.Second,
//		Run:          poller.Poll,
//		ErrorBackoff: &retry.Backoff{Initial: time.Second, Max: time.Minute},
//		TriggerLimit: rate.Every(100 * time.Millisecond),
//	})
//	r.Start()
//	defer r.Stop()
//
//	h.Trigger() // внеплановый прогон
package periodic
