// Package fincore ядро устойчивости и оркестрации финансового back-office:
// gateway с circuit breaker и rate limiting, шина событий с ретрансляцией в брокер
// и планировщик саг (auto-release эскроу, синхронизация банков, квартальный налоговый recap).
//
// Процессы собираются в internal/container и запускаются командой cmd/fincore.
package fincore

// Version версия сервиса
const Version = "0.1.0"
